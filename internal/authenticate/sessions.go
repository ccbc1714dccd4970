package authenticate

import (
	"authsession/internal/oauthclient"
	"authsession/pkg/auth"
)

// Session is the active client variant. It is either a *SameThreadSession
// or an *IsolatedWorkerSession.
type Session interface {
	Mode() auth.StorageMode
	client() oauthclient.Client
}

// SameThreadSession keeps tokens reachable from the caller.
type SameThreadSession struct {
	Client *oauthclient.SameThreadClient
}

func (*SameThreadSession) Mode() auth.StorageMode       { return auth.SameThread }
func (s *SameThreadSession) client() oauthclient.Client { return s.Client }

// IsolatedWorkerSession keeps tokens inside the worker goroutine.
type IsolatedWorkerSession struct {
	Client *oauthclient.WorkerClient
}

func (*IsolatedWorkerSession) Mode() auth.StorageMode       { return auth.IsolatedWorker }
func (s *IsolatedWorkerSession) client() oauthclient.Client { return s.Client }
