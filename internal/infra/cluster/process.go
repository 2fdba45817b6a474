package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// DefaultStopGrace is how long a stopped worker gets to exit after SIGTERM
// before it is killed.
const DefaultStopGrace = 10 * time.Second

// ProcessProvisioner launches `prober worker` daemons as child processes on
// fresh loopback ports. Every launch gets a new worker id.
type ProcessProvisioner struct {
	Binary    string
	Args      []string
	Host      string
	StopGrace time.Duration
	log       *slog.Logger
}

// NewProcessProvisioner returns a provisioner running binary with the extra args.
// An empty binary launches the current executable.
func NewProcessProvisioner(binary string, args []string) *ProcessProvisioner {
	if binary == "" {
		if exe, err := os.Executable(); err == nil {
			binary = exe
		}
	}
	return &ProcessProvisioner{
		Binary: binary,
		Args:   args,
		Host:      "127.0.0.1",
		StopGrace: DefaultStopGrace,
		log:       slog.Default().With("component", "provisioner"),
	}
}

type processInstance struct {
	id       string
	url      string
	grpcAddr string
	grace    time.Duration
	cmd      *exec.Cmd
	done     chan error
}

func (p *processInstance) ID() string       { return p.id }
func (p *processInstance) URL() string      { return p.url }
func (p *processInstance) GRPCAddr() string { return p.grpcAddr }

func (p *processInstance) Stop(ctx context.Context) error {
	if p.cmd.Process == nil {
		return nil
	}
	_ = p.cmd.Process.Signal(syscall.SIGTERM)

	grace := time.NewTimer(p.grace)
	defer grace.Stop()

	select {
	case <-p.done:
		return nil
	case <-grace.C:
	case <-ctx.Done():
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	<-p.done
	return nil
}

// Launch starts one worker process. The process runs until Stop, independent of ctx.
func (pp *ProcessProvisioner) Launch(ctx context.Context) (Instance, error) {
	httpPort, err := freePort(pp.Host)
	if err != nil {
		return nil, err
	}
	grpcPort, err := freePort(pp.Host)
	if err != nil {
		return nil, err
	}

	id := "elastic-" + uuid.NewString()
	httpAddr := net.JoinHostPort(pp.Host, strconv.Itoa(httpPort))
	grpcAddr := net.JoinHostPort(pp.Host, strconv.Itoa(grpcPort))

	args := append([]string{"worker", "--id", id, "--listen", httpAddr, "--grpc", grpcAddr}, pp.Args...)
	cmd := exec.Command(pp.Binary, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", pp.Binary, err)
	}

	grace := pp.StopGrace
	if grace <= 0 {
		grace = DefaultStopGrace
	}
	inst := &processInstance{
		id:       id,
		url:      "http://" + httpAddr,
		grpcAddr: grpcAddr,
		grace:    grace,
		cmd:      cmd,
		done:     make(chan error, 1),
	}
	go func() {
		inst.done <- cmd.Wait()
		close(inst.done)
	}()

	pp.log.Debug("worker launched", "id", id, "pid", cmd.Process.Pid, "http", httpAddr, "grpc", grpcAddr)
	return inst, nil
}

func freePort(host string) (int, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, fmt.Errorf("reserve port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
