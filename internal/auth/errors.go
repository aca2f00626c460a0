package auth

import "errors"

// ErrKeyNotFound is returned by Store.Get when no key exists for the
// given id.
var ErrKeyNotFound = errors.New("auth: key not found")
