package model

// Confidence buckets a cross-system identity match by strength.
type Confidence string

const (
	// ConfidenceHigh means the phone numbers matched and the names are
	// near-identical.
	ConfidenceHigh Confidence = "high"
	// ConfidenceMedium means the phone numbers matched but the names only
	// loosely agree.
	ConfidenceMedium Confidence = "medium"
	// ConfidenceLow means the phone numbers matched and the names disagree.
	ConfidenceLow Confidence = "low"
	// ConfidenceNone means the phone numbers did not match; name similarity
	// alone never links two identities.
	ConfidenceNone Confidence = "none"
)

// MatchResult reports how strongly two customer identities agree.
type MatchResult struct {
	PhoneMatch bool       `json:"phone_match"`
	NameScore  int        `json:"name_score"`
	Confidence Confidence `json:"confidence"`
}

// OrderMatch links a store order to a messaging-channel customer.
type OrderMatch struct {
	RemoteCustomerID string `json:"remote_customer_id"`
	RemoteName       string `json:"remote_name"`
	RemotePhone      string `json:"remote_phone"`
	MatchResult
}
