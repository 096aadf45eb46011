package repository

import "errors"

// ErrNotFound indicates a deployment was not located. Stores report absence
// through their found/deleted results; services wrap this sentinel when they
// surface that absence to callers.
var ErrNotFound = errors.New("repository: not found")
