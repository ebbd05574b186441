// Daruma - Personal Spatiotemporal Timeline Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/daruma

package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomtom215/daruma/internal/models"
)

// stubSource is a minimal Source for registry tests.
type stubSource struct {
	name string
}

func (s *stubSource) Name() string            { return s.name }
func (s *stubSource) Schedule() string        { return "0 * * * *" }
func (s *stubSource) HasNativeLocation() bool { return false }
func (s *stubSource) Discover(ctx context.Context, since time.Time) (Iterator, error) {
	return NewSliceIterator(nil), nil
}
func (s *stubSource) Extract(ctx context.Context, raw any) ([]*models.Entity, error) {
	return nil, nil
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register(&stubSource{name: "arc"}))
	require.NoError(t, r.Register(&stubSource{name: "spotify"}))

	assert.NotNil(t, r.Get("arc"))
	assert.Nil(t, r.Get("unknown"))
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register(&stubSource{name: "arc"}))
	assert.Error(t, r.Register(&stubSource{name: "arc"}))
}

func TestRegistryRejectsEmptyName(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.Register(&stubSource{name: ""}))
}

func TestRegistryNamesSorted(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register(&stubSource{name: "spotify"}))
	require.NoError(t, r.Register(&stubSource{name: "arc"}))
	require.NoError(t, r.Register(&stubSource{name: "photos"}))

	assert.Equal(t, []string{"arc", "photos", "spotify"}, r.Names())
}
