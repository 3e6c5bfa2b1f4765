package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// LineDoc is one log line of an exported conversation
type LineDoc struct {
	Ordinal int64  `json:"ordinal" bson:"ordinal"`
	Offset  int64  `json:"offset" bson:"offset"`
	Text    string `json:"text" bson:"text"`
	Matched bool   `json:"matched" bson:"matched"`
}

// ConversationDoc is a matched conversation as stored by the exporter
type ConversationDoc struct {
	ID         primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	RunID      string             `json:"run_id" bson:"run_id"`
	BatchID    string             `json:"batch_id" bson:"batch_id"`
	Hostname   string             `json:"hostname" bson:"hostname"`
	Kind       string             `json:"kind" bson:"kind"`
	Mode       string             `json:"mode" bson:"mode"`
	Pattern    string             `json:"pattern" bson:"pattern"`
	Source     string             `json:"source" bson:"source"`
	Label      string             `json:"label" bson:"label"`
	Key        string             `json:"key" bson:"key"`
	Sequence   int64              `json:"sequence" bson:"sequence"`
	MatchCount int                `json:"match_count" bson:"match_count"`
	Lines      []LineDoc          `json:"lines" bson:"lines"`
	ExportedAt time.Time          `json:"exported_at" bson:"exported_at"`
}

// ConversationBatch groups documents bound for one collection
type ConversationBatch struct {
	ID         string            `json:"id"`
	Collection string            `json:"collection"`
	Docs       []ConversationDoc `json:"docs"`
}

// FollowState tracks the reading position of a followed log file
type FollowState struct {
	Path       string    `json:"path"`
	Offset     int64     `json:"offset"`
	LineNumber int64     `json:"line_number"`
	LastRead   time.Time `json:"last_read"`
}
