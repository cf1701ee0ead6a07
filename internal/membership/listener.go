package membership

import (
	"context"
	"fmt"
	"net"

	"github.com/dariomnz/xpn/internal/config"
	"github.com/dariomnz/xpn/internal/xlog"
	"github.com/dariomnz/xpn/pkg/xerrors"
)

// Server answers the controller channel (spec.md §6 "Controller channel"):
// it decodes one Request per connection, dispatches it to a Controller,
// and writes back the int32 return code, mirroring the per-connection
// request/response shape internal/transport.Listener uses for the data
// channel.
type Server struct {
	controller *Controller
	logger     *xlog.Logger
}

// NewServer wraps controller for the controller channel.
func NewServer(controller *Controller, logger *xlog.Logger) *Server {
	if logger == nil {
		logger = xlog.New(xlog.DefaultConfig())
	}
	return &Server{controller: controller, logger: logger.With("membership_server")}
}

// serverTemplateFor fills in Transport/Port/DirBase for a bare hostname
// from the partition's existing servers, since the wire host list (§6)
// carries hostnames only — a newly joining server is assumed to share the
// partition's transport and directory layout.
func serverTemplateFor(partition config.Partition, host string) config.Server {
	template := config.Server{Host: host}
	if len(partition.Servers) > 0 {
		first := partition.Servers[0]
		template.Transport = first.Transport
		template.Port = first.Port
		template.DirBase = first.DirBase
	}
	return template
}

// errnoForErr maps err to the controller channel's int32 return_code
// (§6): 0 on success, a small stable positive integer otherwise. Kept
// local to this package since the wire shape here (bare int32, no
// status/errno split) differs from the data channel's transport.Response.
func errnoForErr(err error) int32 {
	if err == nil {
		return 0
	}
	xe, ok := err.(*xerrors.Error)
	if !ok {
		return 5 // EIO
	}
	switch xe.Code {
	case xerrors.EINVAL:
		return 22
	case xerrors.ENOENT:
		return 2
	case xerrors.EEXIST:
		return 17
	case xerrors.EISDIR:
		return 21
	case xerrors.ENOTDIR:
		return 20
	case xerrors.ENOTEMPTY:
		return 39
	case xerrors.ECONNRESET:
		return 104
	case xerrors.ETIMEDOUT:
		return 110
	case xerrors.ENOMEM:
		return 12
	case xerrors.EMFILE:
		return 24
	case xerrors.EBADF:
		return 9
	case xerrors.ENOSYS:
		return 38
	case xerrors.EAGAIN:
		return 11
	case xerrors.ECORRUPT:
		return 84
	case xerrors.EFATAL:
		return 200
	default:
		return 5
	}
}

// Handle executes one decoded controller Request and returns the int32
// response code WriteResponse should send.
func (s *Server) Handle(ctx context.Context, req Request) int32 {
	switch req.Action {
	case ActionStop:
		return 0
	case ActionStartServers:
		return errnoForErr(s.controller.StartServers(ctx))
	case ActionStopServers:
		return errnoForErr(s.controller.StopServers(ctx))
	case ActionPingServers:
		for _, err := range s.controller.PingServers(ctx) {
			if err != nil {
				return errnoForErr(err)
			}
		}
		return 0
	case ActionExpandNew:
		partition, _ := s.controller.Partition()
		var newServers []config.Server
		for _, host := range req.HostList {
			newServers = append(newServers, serverTemplateFor(partition, host))
		}
		return errnoForErr(s.controller.Expand(ctx, newServers))
	case ActionExpandChange:
		partition, _ := s.controller.Partition()
		var target []config.Server
		for _, host := range req.HostList {
			target = append(target, serverTemplateFor(partition, host))
		}
		return errnoForErr(s.controller.Reconfigure(ctx, target))
	case ActionShrinkNew:
		return errnoForErr(s.controller.Shrink(ctx, req.HostList))
	case ActionShrinkChange:
		partition, _ := s.controller.Partition()
		var target []config.Server
		for _, host := range req.HostList {
			target = append(target, serverTemplateFor(partition, host))
		}
		return errnoForErr(s.controller.Reconfigure(ctx, target))
	default:
		return errnoForErr(xerrors.New(xerrors.ENOSYS, "membership", "unknown action"))
	}
}

// Serve accepts connections on ln, handling one Request per connection
// (matching xpn_controller's one-shot connect/send/recv/close CLI usage).
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("membership: accept: %w", err)
			}
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	req, err := ReadRequest(conn)
	if err != nil {
		s.logger.Warn("controller channel read failed", xlog.F("err", err.Error()))
		return
	}
	code := s.Handle(ctx, req)
	if err := WriteResponse(conn, code); err != nil {
		s.logger.Warn("controller channel write failed", xlog.F("err", err.Error()))
	}
	if req.Action == ActionStop {
		s.controller.StopServers(ctx)
	}
}
