package cdc

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	err := Errorf(KindApplyTransient, "deadlock detected")
	assert.Equal(t, KindApplyTransient, KindOf(err))
	assert.True(t, IsTransient(err))

	wrapped := fmt.Errorf("while applying: %w", err)
	assert.Equal(t, KindApplyTransient, KindOf(wrapped))

	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.False(t, IsTransient(errors.New("plain")))
}

func TestWrapErrNil(t *testing.T) {
	assert.Nil(t, WrapErr(KindOffsetIO, nil))
}

func TestKindStrings(t *testing.T) {
	assert.Equal(t, "APPLY_PERMANENT", KindApplyPermanent.String())
	assert.Equal(t, "CDC_PRECONDITION", KindCDCPrecondition.String())
	assert.Equal(t, "SCHEMA_DRIFT", KindSchemaDrift.String())
}

func TestIsSchemaDrift(t *testing.T) {
	assert.True(t, IsSchemaDrift(Errorf(KindSchemaDrift, "unknown column")))
	assert.False(t, IsSchemaDrift(Errorf(KindApplyPermanent, "constraint")))
}
