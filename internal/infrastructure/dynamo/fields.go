package dynamo

// DynamoDB attribute names used in expressions.
const (
	fieldUserID    = "user_id"
	fieldType      = "type"
	fieldIsRead    = "is_read"
	fieldReadAt    = "read_at"
	fieldExpiresAt = "expires_at"

	indexUserCreatedAt = "user_id-created_at-index"
)
