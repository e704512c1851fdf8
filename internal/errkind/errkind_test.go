package errkind_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/npmlens/npmlens/internal/errkind"
)

func TestWrap_NilIsNil(t *testing.T) {
	t.Parallel()

	assert.NoError(t, errkind.Wrap(errkind.PackageNotFound, nil))
}

func TestOf_ExtractsKindThroughWrapping(t *testing.T) {
	t.Parallel()

	base := errkind.New(errkind.TarballTooLarge, "advertised 300 MiB")
	wrapped := fmt.Errorf("download cross-spawn: %w", base)

	assert.Equal(t, errkind.TarballTooLarge, errkind.Of(wrapped))
	assert.True(t, errkind.Is(wrapped, errkind.TarballTooLarge))
	assert.False(t, errkind.Is(wrapped, errkind.PackageNotFound))
}

func TestOf_UnkindedDefaultsToCollectorFatal(t *testing.T) {
	t.Parallel()

	assert.Equal(t, errkind.CollectorFatal, errkind.Of(errors.New("boom")))
}

func TestUnwrap_PreservesSentinels(t *testing.T) {
	t.Parallel()

	sentinel := errors.New("connection reset")
	err := errkind.Wrap(errkind.TransientNetwork, sentinel)

	require.Error(t, err)
	assert.ErrorIs(t, err, sentinel)
}

func TestUnrecoverable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind errkind.Kind
		want bool
	}{
		{errkind.PackageNotFound, true},
		{errkind.Blacklisted, true},
		{errkind.NameMismatch, true},
		{errkind.ManifestInvalid, true},
		{errkind.TarballTooLarge, true},
		{errkind.TooManyFiles, true},
		{errkind.MalformedArchive, true},
		{errkind.CollectorTolerated, false},
		{errkind.CollectorFatal, false},
		{errkind.TransientNetwork, false},
		{errkind.PersistenceFatal, false},
		{errkind.NoTokensAvailable, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, errkind.Unrecoverable(tt.kind), string(tt.kind))
	}
}

func TestTolerated(t *testing.T) {
	t.Parallel()

	assert.True(t, errkind.Tolerated(errkind.CollectorTolerated))
	assert.True(t, errkind.Tolerated(errkind.NoTokensAvailable))
	assert.False(t, errkind.Tolerated(errkind.CollectorFatal))
}
