package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProjectStructureAndSearch(t *testing.T) {
	ctx := context.Background()
	d := LocalDrive{Root: t.TempDir()}

	st, err := CreateProjectStructure(ctx, d, "Acme Portal")
	require.NoError(t, err)
	assert.Equal(t, "Acme Portal", st.Root.ID)
	require.Len(t, st.Subfolders, len(ProjectSubfolders))
	assert.Equal(t, "Acme Portal/Design", st.Subfolders[1].ID)

	_, err = d.Upload(ctx, "design-brief.md", "Acme Portal/Design", []byte("# brief"))
	require.NoError(t, err)

	found, err := d.Search(ctx, "DESIGN", "", 0)
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, "Acme Portal/Design", found[0].ID)
	assert.True(t, found[0].IsFolder)
	assert.Equal(t, "Acme Portal/Design/design-brief.md", found[1].ID)
	assert.Equal(t, int64(7), found[1].Size)

	// Reusing an existing folder is not an error.
	_, err = CreateProjectStructure(ctx, d, "Acme Portal")
	require.NoError(t, err)
}

func TestFolderNamesCannotEscapeRoot(t *testing.T) {
	d := LocalDrive{Root: t.TempDir()}
	for _, name := range []string{"", "..", "a/b", `a\b`} {
		_, err := d.CreateFolder(context.Background(), name, "")
		assert.True(t, errors.Is(err, ErrInvalidName), "name %q", name)
	}
	_, err := d.CreateFolder(context.Background(), "x", "missing")
	require.Error(t, err)

	f, err := d.CreateFolder(context.Background(), "ok", "")
	require.NoError(t, err)
	files, err := d.Search(context.Background(), "", "../../..", 0)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, f.ID, files[0].ID)
}
