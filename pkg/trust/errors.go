package trust

import (
	"errors"
	"fmt"
)

var (
	// ErrUntrusted is the root of every trust rejection.
	ErrUntrusted = errors.New("sas certificate untrusted")
	// ErrRevoked means the serial was listed in a fetched CRL.
	ErrRevoked = fmt.Errorf("%w: certificate revoked", ErrUntrusted)
	// ErrNoCRLInformation means every declared CRL source failed.
	ErrNoCRLInformation = fmt.Errorf("%w: no CRL could be fetched", ErrUntrusted)
)
