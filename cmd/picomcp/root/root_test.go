package root

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvFilesReadsFlagBeforeParse(t *testing.T) {
	args := os.Args
	t.Cleanup(func() { os.Args = args })

	os.Args = []string{"picomcp", "serve", "--env-file", "dev.env"}
	assert.Equal(t, []string{"dev.env"}, envFiles())

	os.Args = []string{"picomcp", "--env-file=ci.env", "serve"}
	assert.Equal(t, []string{"ci.env"}, envFiles())

	os.Args = []string{"picomcp", "serve", "--env-file"}
	assert.Nil(t, envFiles())

	f := rootCmd.PersistentFlags().Lookup("env-file")
	require.NotNil(t, f)
	assert.Equal(t, "", f.DefValue)
}
