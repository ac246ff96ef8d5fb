package realtime

import "github.com/linkgate/linkgate/internal/models"

// LinkCompleted is sent to an account when an external identity was bound to it.
func LinkCompleted(externalID int64, displayName string) models.Event {
	fields := map[string]interface{}{"external_id": externalID}
	if displayName != "" {
		fields["display_name"] = displayName
	}
	return models.NewEvent(models.EventLinkCompleted, fields)
}

// LinkRevoked is sent to an account when its binding was revoked.
func LinkRevoked(externalID int64) models.Event {
	return models.NewEvent(models.EventLinkRevoked, map[string]interface{}{"external_id": externalID})
}
