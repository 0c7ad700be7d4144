package trustanchor

import (
	"errors"
	"fmt"
	"io"

	"github.com/google/go-tpm/legacy/tpm2"
	"github.com/google/go-tpm/tpmutil"

	"github.com/linux-tks/tks/internal/common"
)

// errTPMTransient marks faults worth retrying (TPM_RC_RETRY and
// friends); see withTPMRetry.
var errTPMTransient = errors.New("transient tpm fault")

// tpmDevice talks TPM 2.0 NVRAM through go-tpm's legacy interface.
type tpmDevice struct {
	rwc io.ReadWriteCloser
}

func openTPM(path string) (device, error) {
	rwc, err := tpmutil.OpenTPM(path)
	if err != nil {
		return nil, err
	}
	return &tpmDevice{rwc: rwc}, nil
}

func (d *tpmDevice) DefineSpace(index uint32, auth string, size uint16) error {
	attrs := tpm2.AttrOwnerWrite | tpm2.AttrAuthWrite | tpm2.AttrAuthRead
	err := tpm2.NVDefineSpace(d.rwc, tpm2.HandleOwner, tpmutil.Handle(index),
		"", auth, nil, attrs, size)
	return mapTPMError(err)
}

func (d *tpmDevice) UndefineSpace(index uint32) error {
	err := tpm2.NVUndefineSpace(d.rwc, "", tpm2.HandleOwner, tpmutil.Handle(index))
	return mapTPMError(err)
}

func (d *tpmDevice) Write(index uint32, auth string, data []byte) error {
	err := tpm2.NVWrite(d.rwc, tpmutil.Handle(index), tpmutil.Handle(index),
		auth, tpmutil.U16Bytes(data), 0)
	return mapTPMError(err)
}

func (d *tpmDevice) Read(index uint32, auth string) ([]byte, error) {
	data, err := tpm2.NVReadEx(d.rwc, tpmutil.Handle(index), tpmutil.Handle(index), auth, 0)
	if err != nil {
		return nil, mapTPMError(err)
	}
	return data, nil
}

func (d *tpmDevice) Close() error { return d.rwc.Close() }

// mapTPMError folds go-tpm error values into the adapter's taxonomy:
// bad auth values become ErrorAuthorization (so the lock manager can
// re-prompt), retry-class warnings become errTPMTransient, everything
// else is a device fault. The numeric code spaces of the response
// formats overlap (RCBadAuth and RCRetry share a value), so each
// go-tpm error type is inspected separately.
func mapTPMError(err error) error {
	if err == nil {
		return nil
	}

	var serr tpm2.SessionError
	if errors.As(err, &serr) {
		return mapFmt1Error(serr.Code, err)
	}
	var perr tpm2.ParameterError
	if errors.As(err, &perr) {
		return mapFmt1Error(perr.Code, err)
	}
	var herr tpm2.HandleError
	if errors.As(err, &herr) {
		return mapFmt1Error(herr.Code, err)
	}

	var warn tpm2.Warning
	if errors.As(err, &warn) {
		switch warn.Code {
		case tpm2.RCRetry, tpm2.RCTesting, tpm2.RCYielded:
			return fmt.Errorf("%w: %v", errTPMTransient, err)
		}
		return fmt.Errorf("%w: %v", common.ErrorDevice, err)
	}

	var terr tpm2.Error
	if errors.As(err, &terr) {
		if terr.Code == tpm2.RCNVDefined {
			return errNVIndexInUse
		}
		return fmt.Errorf("%w: %v", common.ErrorDevice, err)
	}

	// vendor codes or no response code at all: device/transport problem
	return fmt.Errorf("%w: %v", common.ErrorDevice, err)
}

func mapFmt1Error(code tpm2.RCFmt1, err error) error {
	if code == tpm2.RCAuthFail || code == tpm2.RCBadAuth {
		return fmt.Errorf("%w: nv auth value rejected", common.ErrorAuthorization)
	}
	return fmt.Errorf("%w: %v", common.ErrorDevice, err)
}
