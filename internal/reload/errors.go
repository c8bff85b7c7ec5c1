package reload

import "errors"

var (
	ErrUnknownAction = errors.New("unknown reload action")
	errNotLoaded     = errors.New("app not loaded yet")
	errSuperseded    = errors.New("superseded by a newer reload")
)
