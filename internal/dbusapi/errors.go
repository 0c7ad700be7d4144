package dbusapi

import (
	"errors"

	"github.com/godbus/dbus/v5"

	"github.com/linux-tks/tks/internal/common"
)

// Error names the protocol defines, plus the generic D-Bus ones used
// for conditions the protocol has no name for.
const (
	errNoSuchObject = "org.freedesktop.Secret.Error.NoSuchObject"
	errIsLocked     = "org.freedesktop.Secret.Error.IsLocked"
	errNoSession    = "org.freedesktop.Secret.Error.NoSession"

	errObjectPathInUse = "org.freedesktop.DBus.Error.ObjectPathInUse"
	errAccessDenied    = "org.freedesktop.DBus.Error.AccessDenied"
	errNotSupported    = "org.freedesktop.DBus.Error.NotSupported"
	errInvalidArgs     = "org.freedesktop.DBus.Error.InvalidArgs"
	errIOError         = "org.freedesktop.DBus.Error.IOError"
	errFailed          = "org.freedesktop.DBus.Error.Failed"
)

// wireError translates internal sentinel errors to their bus-level
// names. The error text crosses the bus; it never contains secret
// material.
func wireError(err error) *dbus.Error {
	if err == nil {
		return nil
	}
	name := errFailed
	switch {
	case errors.Is(err, common.ErrorNotFound):
		name = errNoSuchObject
	case errors.Is(err, common.ErrorLocked):
		name = errIsLocked
	case errors.Is(err, common.ErrorNoSession):
		name = errNoSession
	case errors.Is(err, common.ErrorAlreadyExists):
		name = errObjectPathInUse
	case errors.Is(err, common.ErrorAuthorization):
		name = errAccessDenied
	case errors.Is(err, common.ErrorAlgorithmNotAllowed),
		errors.Is(err, common.ErrorUnsupportedAlgorithm):
		name = errNotSupported
	case errors.Is(err, common.ErrorParameter),
		errors.Is(err, common.ErrorIntegrity):
		name = errInvalidArgs
	case errors.Is(err, common.ErrorDevice),
		errors.Is(err, common.ErrorStorage):
		name = errIOError
	}
	return dbus.NewError(name, []interface{}{err.Error()})
}
