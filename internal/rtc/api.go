// Package rtc implements peer links and local tracks on pion/webrtc.
package rtc

import (
	"fmt"

	"meetgo/backend/internal/config"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	pion "github.com/pion/webrtc/v4"
)

// NewAPI builds a pion API with the default codecs and interceptors plus a
// periodic keyframe request for inbound video.
func NewAPI() (*pion.API, error) {
	m := &pion.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	i := &interceptor.Registry{}
	pli, err := intervalpli.NewReceiverInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create pli interceptor: %w", err)
	}
	i.Add(pli)

	if err := pion.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	return pion.NewAPI(pion.WithMediaEngine(m), pion.WithInterceptorRegistry(i)), nil
}

// ICEServers converts the server-provided list into pion's form.
func ICEServers(servers []config.ICEServer) []pion.ICEServer {
	out := make([]pion.ICEServer, 0, len(servers))
	for _, s := range servers {
		ice := pion.ICEServer{URLs: s.URLs}
		if s.Username != "" {
			ice.Username = s.Username
			ice.Credential = s.Credential
		}
		out = append(out, ice)
	}
	return out
}
