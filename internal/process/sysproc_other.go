//go:build !unix

package process

import (
	"errors"
	"os"
	"os/exec"
)

func setpgid(*exec.Cmd) {}

func killGroup(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	err = p.Kill()
	if gone(err) {
		return nil
	}
	return err
}

func gone(err error) bool {
	return errors.Is(err, os.ErrProcessDone)
}
