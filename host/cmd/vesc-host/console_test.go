package main

import (
	"testing"

	"vesclink/host/vesc"
)

func TestConsoleExecQuit(t *testing.T) {
	c := newConsole(vesc.New(), nil)

	testCases := []struct {
		args []string
		quit bool
	}{
		{[]string{"quit"}, true},
		{[]string{"EXIT"}, true},
		{[]string{"q"}, true},
		{[]string{"help"}, false},
		{[]string{"bogus"}, false},
		{[]string{"connect"}, false},
		{[]string{"can"}, false},
	}

	for _, tc := range testCases {
		if got := c.exec(tc.args); got != tc.quit {
			t.Errorf("exec(%v) = %v, expected %v", tc.args, got, tc.quit)
		}
	}
}

func TestConsoleExecNotRunning(t *testing.T) {
	// Commands against a manager that was never started report errors
	// without exiting
	c := newConsole(vesc.New(), nil)
	for _, args := range [][]string{{"disconnect"}, {"fw"}, {"can", "off"}, {"tcp", "localhost", "65102"}} {
		if c.exec(args) {
			t.Errorf("exec(%v) requested exit", args)
		}
	}
}

func TestUpdateBarIgnoresFinishedWithoutStart(t *testing.T) {
	if bar := updateBar(nil, "Uploading", 1, false); bar != nil {
		t.Error("Bar started for a finished operation")
	}
}
