package types

import (
	"time"
)

// Response is the one final answer a caller receives for a request
type Response struct {
	Response   string      `json:"response"`
	Department Destination `json:"department"`
	QueryID    string      `json:"queryId"`
	Success    bool        `json:"success"`
}

const (
	ServiceUnavailableText = "Service temporarily unavailable. Please try again later."
	ProcessingErrorText    = "An error occurred while processing your request. Please try again."
)

// ErrorResponse builds a failed envelope for the error pseudo-destination
func ErrorResponse(queryID, text string) Response {
	return Response{
		Response:   text,
		Department: DestinationError,
		QueryID:    queryID,
		Success:    false,
	}
}

// LogRecord is what the log sink keeps for each handled request
type LogRecord struct {
	RequestID    string      `json:"queryId"`
	RequesterID  string      `json:"userId"`
	Text         string      `json:"query"`
	Destination  Destination `json:"department"`
	ResponseText string      `json:"response"`
	Timestamp    time.Time   `json:"timestamp"`
	Success      bool        `json:"success"`
}

// HistoryEntry is the durable record of one handled request
type HistoryEntry struct {
	RequestID      string      `json:"queryId"`
	RequesterID    string      `json:"userId"`
	SessionID      string      `json:"sessionId"`
	Text           string      `json:"query"`
	Destination    Destination `json:"department"`
	ResponseText   string      `json:"response"`
	Timestamp      time.Time   `json:"timestamp"`
	Success        bool        `json:"success"`
	ResponseTimeMs *int64      `json:"responseTimeMs,omitempty"`
}

// AnalyticsSnapshot is computed on demand and never stored
type AnalyticsSnapshot struct {
	TotalCount        int64   `json:"totalQueries"`
	SuccessCount      int64   `json:"successfulQueries"`
	AvgResponseTimeMs float64 `json:"averageResponseTime"`
	TopRequester      *string `json:"mostActiveUser,omitempty"`
	TopDestination    string  `json:"mostPopularDepartment"`
	Success           bool    `json:"success"`
	Error             string  `json:"errorMessage,omitempty"`
}

// NoneLabel is reported for top-N fields when nothing matched
const NoneLabel = "N/A"

// FailedSnapshot reports an aggregation that could not be computed
func FailedSnapshot(err error) AnalyticsSnapshot {
	return AnalyticsSnapshot{
		TopDestination: NoneLabel,
		Success:        false,
		Error:          err.Error(),
	}
}
