//go:build integration

package integration

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type ExampleSuite struct {
	suite.Suite
	repoRoot string
}

func (s *ExampleSuite) SetupSuite() {
	if os.Getenv("RDMACM_TEST_EXAMPLES") == "" {
		s.T().Skip("set RDMACM_TEST_EXAMPLES=1 to run example integration tests")
	}
	root, err := detectRepoRoot()
	require.NoError(s.T(), err, "locate repository root")
	s.repoRoot = root
}

func (s *ExampleSuite) TestLoopbackAdd() {
	out := s.runExample("examples/loopback_add", nil)
	s.Contains(out, "initiator got 3 + 4 = 7")
}

func (s *ExampleSuite) TestReadTest() {
	out := s.runExample("examples/read_test", nil)
	s.Contains(out, "initiator read back 2")
}

func (s *ExampleSuite) TestReadTestLegacyOrder() {
	out := s.runExample("examples/read_test", []string{"RDMACM_EXAMPLE_DESCRIPTOR_ORDER=legacy-htonl"})
	s.Contains(out, "initiator read back 2")
}

func (s *ExampleSuite) TestProviderSwitch() {
	s.runExample("examples/provider_switch", nil)
}

func (s *ExampleSuite) runExample(relPath string, extraEnv []string) string {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "go", "run", "./"+relPath)
	cmd.Env = append(os.Environ(), extraEnv...)
	cmd.Dir = s.repoRoot

	output, err := cmd.CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		s.FailNowf("example timeout", "example %s timed out:\n%s", relPath, string(output))
	}
	require.NoErrorf(s.T(), err, "example %s failed:\n%s", relPath, string(output))
	return string(output)
}

func detectRepoRoot() (string, error) {
	root, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		if _, err := os.Stat(filepath.Join(root, "go.mod")); err == nil {
			return root, nil
		}
		next := filepath.Dir(root)
		if next == root {
			return "", fmt.Errorf("could not locate repository root containing go.mod")
		}
		root = next
	}
}

func TestExamples(t *testing.T) {
	suite.Run(t, new(ExampleSuite))
}
