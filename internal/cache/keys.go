package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func SchemaCacheKey(connectionID uuid.UUID) string {
	return fmt.Sprintf("schema:%s", connectionID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}

// SchemaGenerationKey holds the token that cached schema entries must match.
func SchemaGenerationKey(connectionID uuid.UUID) string {
	return fmt.Sprintf("schema:gen:%s", connectionID)
}
