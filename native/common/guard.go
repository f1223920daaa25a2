package common

import "errors"

// ErrModulePaused is returned by Guard when the module has been paused.
var ErrModulePaused = errors.New("module paused")

// PauseView exposes the pause flags of native modules.
type PauseView interface {
	IsPaused(module string) bool
}

// Guard rejects calls into a paused module. A nil view never blocks.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}
