package commands

import "fmt"

// ID is the command identifier carried in the first payload byte
type ID uint8

// Command identifiers understood by the controller firmware
const (
	FWVersion         ID = 0
	JumpToBootloader  ID = 1
	EraseNewApp       ID = 2
	WriteNewAppData   ID = 3
	GetValues         ID = 4
	SetMcconf         ID = 13
	GetMcconf         ID = 14
	GetMcconfDefault  ID = 15
	SetAppconf        ID = 16
	GetAppconf        ID = 17
	GetAppconfDefault ID = 18
	TerminalCmd       ID = 20
	Print             ID = 21
	Reboot            ID = 29
	Alive             ID = 30
	ForwardCAN        ID = 34
)

var idNames = map[ID]string{
	FWVersion:         "FW_VERSION",
	JumpToBootloader:  "JUMP_TO_BOOTLOADER",
	EraseNewApp:       "ERASE_NEW_APP",
	WriteNewAppData:   "WRITE_NEW_APP_DATA",
	GetValues:         "GET_VALUES",
	SetMcconf:         "SET_MCCONF",
	GetMcconf:         "GET_MCCONF",
	GetMcconfDefault:  "GET_MCCONF_DEFAULT",
	SetAppconf:        "SET_APPCONF",
	GetAppconf:        "GET_APPCONF",
	GetAppconfDefault: "GET_APPCONF_DEFAULT",
	TerminalCmd:       "TERMINAL_CMD",
	Print:             "PRINT",
	Reboot:            "REBOOT",
	Alive:             "ALIVE",
	ForwardCAN:        "FORWARD_CAN",
}

func (id ID) String() string {
	if name, ok := idNames[id]; ok {
		return name
	}
	return fmt.Sprintf("COMM_%d", uint8(id))
}

// UUIDSize is the length of the controller's unique id in a FW_VERSION response
const UUIDSize = 12
