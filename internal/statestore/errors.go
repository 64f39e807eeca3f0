package statestore

import "errors"

var (
	// ErrMapFull is returned when a fixed-capacity map rejects a new key.
	ErrMapFull = errors.New("statestore: map full")
	// ErrKeyNotExist is returned by Delete and by UpdateExist on a missing key.
	ErrKeyNotExist = errors.New("statestore: key does not exist")
	// ErrKeyExist is returned by UpdateNoExist when the key is already present.
	ErrKeyExist = errors.New("statestore: key already exists")
)
