package taskstore

import "errors"

var ErrUnknownTask = errors.New("taskstore: unknown task")
