package kademlia

import (
	"errors"

	"github.com/zde37/kadnode/pkg"
)

var (
	// ErrTimeout is returned when a call gets no matching response within the RPC timeout
	ErrTimeout = errors.New("rpc timed out")

	// ErrNotFound is returned when a value is neither stored locally nor found on the network
	ErrNotFound = pkg.ErrKeyNotFound

	// ErrClosed is returned for calls issued to, or pending in, a closed table
	ErrClosed = errors.New("transaction table closed")

	// ErrUnexpectedResponse is returned when a response type does not answer the request
	ErrUnexpectedResponse = errors.New("unexpected response type")

	// ErrNoContacts is returned when a lookup has nobody to ask
	ErrNoContacts = errors.New("routing table has no contacts")
)
