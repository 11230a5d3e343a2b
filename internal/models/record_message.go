package models

// RecordMessage is the queue message for one ingested record.
// Used across ingestion, messaging and processing layers
type RecordMessage struct {
	RequestID         string `json:"request_id"`
	SourceSystem      string `json:"source_system"`
	RawPayload        string `json:"raw_payload"`
	PayloadHash       string `json:"payload_hash"`
	Timestamp         string `json:"timestamp"`          // RFC3339Nano creation time of the event
	ReceivedTimestamp string `json:"received_timestamp"` // RFC3339Nano time the gateway accepted it
	Channel           string `json:"channel"`            // http, grpc, syslog, tail
}
