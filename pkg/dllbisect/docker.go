package dllbisect

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/dchest/uniuri"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/phayes/freeport"
	"github.com/sirupsen/logrus"
)

// ContainerLabel is set on every container created by dllbisect, so leftovers can be cleaned up
const ContainerLabel = "dllbisect"

// DockerProbe runs the target installation inside a fresh docker container for every trial.
//
// Without a healthcheck, the container runs Command and the probe passes if it exits with status 0.
// With a healthcheck, the container is started, and the probe passes if the healthcheck succeeds.
// The container is removed after every trial.
type DockerProbe struct {
	Image     string   // The image to run
	Command   []string // The command to run. The image's default command is used if empty
	MountPath string   // The path inside the container at which the target root is mounted

	Healthcheck *Healthcheck // The optional healthcheck deciding the verdict

	Log *logrus.Entry
}

func (p DockerProbe) Probe(ctx context.Context, target TargetHandle) (Verdict, error) {
	log := p.Log
	if log == nil {
		log = mutedEntry()
	}

	// Create docker client
	apiClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return infrastructureError(err, "docker client creation failed for target %s", target.ID)
	}
	defer apiClient.Close()

	// Setup the container config
	containerConfig := &container.Config{
		Image:  p.Image,
		Cmd:    p.Command,
		Labels: map[string]string{ContainerLabel: "1"},
	}

	// Setup the host config
	hostConfig := &container.HostConfig{
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: target.Root,
			Target: p.MountPath,
		}},
	}

	ports := make(map[int]int)
	if p.Healthcheck != nil {
		natPort := nat.Port(fmt.Sprint(p.Healthcheck.Port))

		freePort, err := freeport.GetFreePort()
		if err != nil {
			return infrastructureError(err, "failed to find free port for target %s", target.ID)
		}

		containerConfig.ExposedPorts = nat.PortSet{natPort: struct{}{}}
		hostConfig.PortBindings = nat.PortMap{natPort: []nat.PortBinding{{HostPort: fmt.Sprint(freePort)}}}
		ports[p.Healthcheck.Port] = freePort

		log.Debugf("Port bindings: %+v", hostConfig.PortBindings)
	}

	containerName := "dllbisect-" + uniuri.New()

	// Create the new container
	resp, err := apiClient.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, containerName)
	if err != nil {
		return infrastructureError(err, "container creation with name %s of image %s failed for target %s", containerName, p.Image, target.ID)
	}
	defer func() {
		// The trial context may be done already, removal has to happen regardless
		if err := apiClient.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true}); err != nil {
			log.Warnf("Failed to remove container %s - %v", containerName, err)
		}
	}()

	// Start the new container
	if err := apiClient.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return infrastructureError(err, "container start with name %s and id %s of image %s failed for target %s", containerName, resp.ID, p.Image, target.ID)
	}

	log.Infof("Started container %s on target %s", containerName, target.ID)

	if p.Healthcheck != nil {
		success, err := p.Healthcheck.performHealthcheck(ctx, ports, log)
		if ctx.Err() != nil {
			return infrastructureError(ctx.Err(), "healthcheck of container %s did not finish", containerName)
		}
		if !success {
			log.Debugf("Healthcheck on port %d of container %s failed - %v", p.Healthcheck.Port, containerName, err)
			p.logOutput(apiClient, resp.ID, log)
			return Fail, nil
		}
		return Pass, nil
	}

	statusCh, errCh := apiClient.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return infrastructureError(err, "failed to wait for container %s", containerName)
	case status := <-statusCh:
		if status.Error != nil {
			return infrastructureError(errors.New(status.Error.Message), "container %s could not be waited on", containerName)
		}
		if status.StatusCode != 0 {
			log.Debugf("Container %s exited with status %d", containerName, status.StatusCode)
			p.logOutput(apiClient, resp.ID, log)
			return Fail, nil
		}
		return Pass, nil
	}
}

// logOutput writes the output of the container to the debug log
func (p DockerProbe) logOutput(apiClient *client.Client, containerID string, log *logrus.Entry) {
	if !log.Logger.IsLevelEnabled(logrus.DebugLevel) {
		return
	}
	logs, err := apiClient.ContainerLogs(context.Background(), containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		log.Debugf("Couldn't get output of container %s - %v", containerID, err)
		return
	}
	defer logs.Close()

	var out bytes.Buffer
	if _, err := stdcopy.StdCopy(&out, &out, logs); err != nil {
		log.Debugf("Couldn't read output of container %s - %v", containerID, err)
		return
	}
	log.Debugf("Container output:\n%s", out.String())
}
