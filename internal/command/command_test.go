package command_test

import (
	"testing"

	"github.com/CZERTAINLY/Launcher/internal/command"
	"github.com/stretchr/testify/require"
)

func TestString(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		given    command.Command
		then     string
	}{
		{
			scenario: "plain",
			given:    command.New("python3", "/opt/apps/pw_protocol_run.py", "/data/proj", "run.db", "12"),
			then:     "python3 /opt/apps/pw_protocol_run.py /data/proj run.db 12",
		},
		{
			scenario: "whitespace",
			given:    command.New("python3", "/data/my project"),
			then:     "python3 '/data/my project'",
		},
		{
			scenario: "empty argument",
			given:    command.New("echo", ""),
			then:     "echo ''",
		},
		{
			scenario: "no arguments",
			given:    command.New("true"),
			then:     "true",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.then, tc.given.String())
		})
	}
}

func TestWith(t *testing.T) {
	t.Parallel()
	base := command.New("python3", "run.py")
	extended := base.With("--initial_sleep", "5")

	require.Equal(t, []string{"run.py"}, base.Args)
	require.Equal(t, []string{"python3", "run.py", "--initial_sleep", "5"}, extended.Argv())
}

func TestQuote(t *testing.T) {
	t.Parallel()
	require.Equal(t, "555", command.Quote("555"))
	require.Equal(t, "'a b'", command.Quote("a b"))
}
