package rendezvous

import (
	"github.com/SpatiumPortae/dropzone/internal/conn"
	"github.com/SpatiumPortae/dropzone/internal/logger"
)

func (s *Server) routes() {
	s.router.Use(logger.Middleware(s.logger))
	s.router.Handle(RENDEZVOUS_ENDPOINT, conn.Middleware()(s.handleConnect()))
	s.router.HandleFunc("/ping", s.ping())
	s.router.HandleFunc("/version", s.handleVersion())
}
