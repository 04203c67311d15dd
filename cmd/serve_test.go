// Copyright (C) 2025-2026 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package cmd

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/varstore/config"
	"github.com/cardinalhq/varstore/internal/scope"
	"github.com/cardinalhq/varstore/internal/writebehind"
)

func TestReplaceLevel_NamesFatal(t *testing.T) {
	var buf bytes.Buffer
	ll := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{ReplaceAttr: replaceLevel}))

	ll.Log(context.Background(), writebehind.LevelFatal, "drain timed out")
	assert.Contains(t, buf.String(), "level=FATAL")

	buf.Reset()
	ll.Error("plain error")
	assert.Contains(t, buf.String(), "level=ERROR")
}

func TestInstanceID_Positive(t *testing.T) {
	assert.Positive(t, instanceID())
}

func TestOpenBackend_LevelDB(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vars.ldb")
	backend, err := openBackend(context.Background(), config.BackendConfig{
		Type:        config.BackendLevelDB,
		LevelDBPath: path,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	ctx := context.Background()
	require.NoError(t, backend.UpsertGlobalValues(ctx, []scope.Entry{{Key: scope.Global("region"), Value: "eu"}}))
	rows, err := backend.LoadGlobalValues(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "eu", rows[0].Value)
}

func TestOpenBackend_Unknown(t *testing.T) {
	_, err := openBackend(context.Background(), config.BackendConfig{Type: "redis"})
	assert.Error(t, err)
}
