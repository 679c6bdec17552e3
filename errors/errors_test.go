package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormatting(t *testing.T) {
	err := New(ErrNotConnected, "device is not connected")
	assert.Equal(t, "not_connected: device is not connected", err.Error())

	err = WithOp(err, "Device.Read")
	assert.Equal(t, "Device.Read: device is not connected", err.Error())

	cause := fmt.Errorf("dbus: no reply")
	wrapped := WithOp(Wrap(cause, ErrRadioIO, "connect call failed"), "bluez.Connect")
	assert.Equal(t, "bluez.Connect: connect call failed: dbus: no reply", wrapped.Error())
	assert.True(t, errors.Is(wrapped, cause))
}

func TestErrorCodes(t *testing.T) {
	err := WithAddress(New(ErrTimeout, "no callback"), "AA:BB:CC:DD:EE:FF")

	assert.Equal(t, ErrTimeout, GetCode(err))
	assert.True(t, IsTemporary(err))
	assert.False(t, IsTemporary(New(ErrInvalidInput, "bad address")))
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", GetContext(err)["address"])

	assert.True(t, errors.Is(err, &Error{Code: ErrTimeout}))
	assert.False(t, errors.Is(err, &Error{Code: ErrCancelled}))

	assert.Equal(t, ErrUnknown, GetCode(fmt.Errorf("plain")))
	assert.Equal(t, ErrUnknown, GetCode(nil))
	assert.False(t, IsTemporary(nil))
	assert.True(t, IsNotFound(New(ErrDeviceNotFound, "gone")))
}

func TestWithContextMerges(t *testing.T) {
	err := WithContext(New(ErrGattFailure, "write failed"), map[string]interface{}{"status": 133})
	err = WithContext(err, map[string]interface{}{"address": "11:22:33:44:55:66"})

	ctx := GetContext(err)
	assert.Equal(t, ErrGattFailure, GetCode(err))
	assert.Equal(t, 133, ctx["status"])
	assert.Equal(t, "11:22:33:44:55:66", ctx["address"])
	assert.Nil(t, WithContext(nil, ctx))
	assert.Nil(t, WithOp(nil, "op"))
	assert.Nil(t, Wrap(nil, ErrUnknown, "x"))
}

func TestCodeString(t *testing.T) {
	assert.Equal(t, "radio_off", ErrRadioOff.String())
	assert.Equal(t, "code(999)", ErrorCode(999).String())
}
