package server

import (
	"github.com/ekho-app/ekho/pulse/async"
)

// broadcastJobUpdate sends a job to every client watching its owner.
// Returns how many clients accepted it; full queues drop the update.
func (s *Server) broadcastJobUpdate(job async.Job) int {
	msg := JobUpdateMessage{Type: "job_update", Job: newVideoStatus(job)}

	s.mu.RLock()
	defer s.mu.RUnlock()

	sent := 0
	for client := range s.clients {
		if !client.wants(job.Owner) {
			continue
		}
		select {
		case client.send <- msg:
			sent++
		default:
			s.broadcastDrops.Add(1)
		}
	}
	return sent
}

// startJobUpdateBroadcaster relays registry changes to stream clients
func (s *Server) startJobUpdateBroadcaster() {
	if s.deps.Videos == nil {
		return
	}
	registry := s.deps.Videos.Registry()
	jobChan := registry.Subscribe()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer registry.Unsubscribe(jobChan)

		for {
			select {
			case <-s.ctx.Done():
				s.logger.Debugw("Job update broadcaster stopping")
				return
			case job, ok := <-jobChan:
				if !ok {
					return
				}
				s.broadcastJobUpdate(job)
			}
		}
	}()

	s.logger.Infow("Job update broadcaster started")
}
