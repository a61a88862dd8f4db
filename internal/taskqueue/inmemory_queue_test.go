package taskqueue

import (
	"testing"

	"github.com/stretchr/testify/suite"
)

func TestInMemoryQueue(t *testing.T) {
	suite.Run(t, &queueSuite{newQueue: func() Queue { return NewInMemoryQueue() }})
}
