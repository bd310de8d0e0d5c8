// Package media defines the credential-issuing boundary for audio/video
// channels. The engine treats credentials as opaque; the actual media
// transport is an external collaborator.
package media

import "github.com/taralok/consult/internal/realtime"

type Issuer interface {
	// IssueCredentials mints time-boxed channel credentials for one
	// participant of the given room.
	IssueCredentials(channelName, participantID string) (*realtime.MediaCredentials, error)
}
