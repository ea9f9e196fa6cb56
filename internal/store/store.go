package store

import (
	"errors"
)

// Sentinel errors for common error conditions
var (
	ErrAuditorNotFound      = errors.New("auditor not found")
	ErrAuditorAlreadyExists = errors.New("auditor already exists")
	ErrAuditorNotActive     = errors.New("auditor is not active")
	ErrKeyNotFound          = errors.New("auditor key not found")
	ErrKeyAlreadyExists     = errors.New("auditor key already exists")
	ErrKeyAlreadyClosed     = errors.New("auditor key window already closed")
	ErrNoActiveKey          = errors.New("auditor has no active key")
	ErrOpenKeyExists        = errors.New("auditor already has an open-ended key")
	ErrPolicyNotFound       = errors.New("quorum policy not found")

	ErrCertificationNotFound      = errors.New("certification not found")
	ErrCertificationAlreadyExists = errors.New("certification already exists")
	ErrConcurrentUpdate           = errors.New("certification changed since it was read")
)
