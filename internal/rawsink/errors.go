package rawsink

import (
	"errors"
	"fmt"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

// BrokerError is a broker condition the client will not recover from on its
// own: fatal client errors, authentication and authorization failures, and a
// missing topic. The sink stops without committing when it sees one.
type BrokerError struct {
	Op  string
	Err error
}

func (e *BrokerError) Error() string {
	return fmt.Sprintf("broker %s: %v", e.Op, e.Err)
}

func (e *BrokerError) Unwrap() error {
	return e.Err
}

var fatalCodes = map[kafka.ErrorCode]bool{
	kafka.ErrUnknownTopicOrPart:         true,
	kafka.ErrUnknownTopic:               true,
	kafka.ErrTopicAuthorizationFailed:   true,
	kafka.ErrGroupAuthorizationFailed:   true,
	kafka.ErrClusterAuthorizationFailed: true,
	kafka.ErrAuthentication:             true,
	kafka.ErrSaslAuthenticationFailed:   true,
}

// isFatal reports whether err must terminate the sink. Anything else is
// left to the client's reconnect policy.
func isFatal(err error) bool {
	var kafkaErr kafka.Error
	if !errors.As(err, &kafkaErr) {
		return false
	}
	return kafkaErr.IsFatal() || fatalCodes[kafkaErr.Code()]
}
