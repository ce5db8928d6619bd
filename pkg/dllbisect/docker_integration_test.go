//go:build integration

package dllbisect_test

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DominicWuest/dllbisect/pkg/dllbisect"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testImage = "alpine:3.19"

func pullTestImage(t *testing.T) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	require.NoError(t, err)
	defer cli.Close()

	reader, err := cli.ImagePull(context.Background(), testImage, image.PullOptions{})
	require.NoError(t, err)
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	require.NoError(t, err)
}

func TestDockerProbe(t *testing.T) {
	pullTestImage(t)

	log := logrus.New()
	log.SetLevel(logrus.DebugLevel)
	log.SetOutput(os.Stdout)

	root := t.TempDir()
	target := dllbisect.NewTargetHandle(filepath.Join(root, "target"), "")
	require.NoError(t, os.MkdirAll(filepath.Join(target.Root, "lib"), 0o755))

	probe := dllbisect.DockerProbe{
		Image:     testImage,
		Command:   []string{"test", "-f", "/target/lib/libfoo.so"},
		MountPath: "/target",
		Log:       logrus.NewEntry(log),
	}

	t.Run("Missing file fails", func(t *testing.T) {
		verdict, err := probe.Probe(context.Background(), target)
		assert.NoError(t, err)
		assert.Equal(t, dllbisect.Fail, verdict)
	})

	t.Run("Present file passes", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(target.Root, "lib", "libfoo.so"), []byte("foo"), 0o644))

		verdict, err := probe.Probe(context.Background(), target)
		assert.NoError(t, err)
		assert.Equal(t, dllbisect.Pass, verdict)
	})

	t.Run("Hanging container times out", func(t *testing.T) {
		hanging := probe
		hanging.Command = []string{"sleep", "60"}

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		verdict, err := hanging.Probe(ctx, target)
		assert.ErrorIs(t, err, dllbisect.ErrProbeInfrastructure)
		assert.Equal(t, dllbisect.VerdictError, verdict)
	})

	t.Cleanup(func() {
		cli, _ := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		defer cli.Close()

		// No container may outlive its trial
		containers, _ := cli.ContainerList(context.Background(), container.ListOptions{
			All: true,
			Filters: filters.NewArgs(
				filters.KeyValuePair{
					Key:   "label",
					Value: dllbisect.ContainerLabel + "=1",
				},
			),
		})
		assert.Empty(t, containers)
	})
}
