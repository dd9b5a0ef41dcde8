package normalizer

import (
	"github.com/google/uuid"
)

// identityNamespace is fixed for the lifetime of the wire contract so that
// the same record and alert type always map to the same webhook id.
var identityNamespace = uuid.MustParse("8d6251b3-e47a-4dbc-b063-4025e3cd69fa")

// Identity derives the deterministic dedupe key for one record and alert
// type. Version 5 UUIDs keep the key stable across restarts and hosts.
func Identity(messageID string, alert AlertType) string {
	return uuid.NewSHA1(identityNamespace, []byte(messageID+":"+string(alert))).String()
}
