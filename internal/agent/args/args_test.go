package args

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/agentgate/agentgate/internal/common/errors"
)

func TestBuildDefaults(t *testing.T) {
	argv, err := Build(PermissionProfile{})
	require.NoError(t, err)
	assert.Equal(t, []string{"--print", "--verbose", "--output-format", "stream-json"}, argv)
}

func TestBuildSkipPermissionsIsExclusive(t *testing.T) {
	argv, err := Build(PermissionProfile{
		SkipPermissions: true,
		Mode:            ModeAcceptEdits,
		AllowedTools:    []string{"Read", "Write"},
		DisallowedTools: []string{"Bash"},
	})
	require.NoError(t, err)

	assert.Contains(t, argv, FlagSkipPermissions)
	assert.NotContains(t, argv, FlagPermissionMode)
	assert.NotContains(t, argv, FlagAllowedTools)
	assert.NotContains(t, argv, FlagDisallowedTools)
}

func TestBuildModeAndToolLists(t *testing.T) {
	argv, err := Build(PermissionProfile{
		Mode:            ModePlan,
		AllowedTools:    []string{"Read", "Grep"},
		DisallowedTools: []string{"Bash"},
	})
	require.NoError(t, err)

	joined := strings.Join(argv, " ")
	assert.Contains(t, joined, "--permission-mode plan")
	assert.Contains(t, joined, "--allowedTools Read,Grep")
	assert.Contains(t, joined, "--disallowedTools Bash")
}

func TestBuildDefaultModeOmitsFlag(t *testing.T) {
	argv, err := Build(PermissionProfile{Mode: ModeDefault})
	require.NoError(t, err)
	assert.NotContains(t, argv, FlagPermissionMode)
}

func TestBuildRejectsInvalidMode(t *testing.T) {
	_, err := Build(PermissionProfile{Mode: "yolo"})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidArgs))
}

func TestBuildRejectsInvalidFormat(t *testing.T) {
	_, err := Build(PermissionProfile{OutputFormat: "xml"})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidArgs))
}

func TestValidateArgsRejectsMetacharacters(t *testing.T) {
	for _, ch := range []string{";", "&", "|", "`", "$", "(", ")", "{", "}", "[", "]", "<", ">"} {
		err := ValidateArgs([]string{"--model", "opus" + ch + "rm"})
		assert.Error(t, err, "metacharacter %q must be rejected", ch)
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidArgs))
	}
}

func TestValidateArgsAllowsCommasAndPaths(t *testing.T) {
	assert.NoError(t, ValidateArgs([]string{"--allowedTools", "Read,Write", "--model", "some-model"}))
}

func TestValidateArgsRejectsUnknownFlag(t *testing.T) {
	err := ValidateArgs([]string{"--exfiltrate"})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidArgs))

	err = ValidateArgs([]string{"--exfiltrate=yes"})
	require.Error(t, err)
}

func TestValidateArgsRejectsEmpty(t *testing.T) {
	assert.Error(t, ValidateArgs([]string{""}))
}

func TestBuildValidatesExtraArgs(t *testing.T) {
	_, err := Build(PermissionProfile{}, "--resume", "abc;def")
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidArgs))
}

func TestPromptOnStdin(t *testing.T) {
	argv, err := Build(PermissionProfile{})
	require.NoError(t, err)
	assert.True(t, PromptOnStdin(argv))
	assert.False(t, PromptOnStdin([]string{"--continue"}))
}
