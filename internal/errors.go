package internal

import (
	"fmt"
)

var (
	ErrNotFound  = fmt.Errorf("not found")
	ErrDuplicate = fmt.Errorf("duplicate record")
	ErrInvalid   = fmt.Errorf("invalid")
)
