package shelf

import (
	"context"
	"errors"

	"github.com/thejerf/suture/v4"
)

type Server struct {
	config *Config
}

func NewServer(config *Config) *Server {
	return &Server{
		config: config,
	}
}

func (s *Server) Run() error {
	if s.config.HTTP == nil {
		return errors.New("config is missing the http block")
	}

	store, err := OpenStore(s.config.Database.DatabasePath())
	if err != nil {
		return err
	}

	auth := NewAuthenticator(s.config.HTTP.Secret, s.config.Admins)
	locks := NewLockTable()
	indexer := NewIndexer(store, s.config.Index)
	audit := LogAuditor{}

	supervisor := suture.NewSimple("shelf")
	supervisor.Add(indexer)
	supervisor.Add(locks)

	httpService := NewHTTPService(s.config, store, auth, indexer, locks, audit)
	supervisor.Add(httpService)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	return supervisor.Serve(ctx)
}
