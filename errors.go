// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package opcua

import (
	"context"
	"errors"
	"fmt"
)

// StatusCode severity levels.
const (
	StatusSeverityGood      uint32 = 0x00000000
	StatusSeverityUncertain uint32 = 0x40000000
	StatusSeverityBad       uint32 = 0x80000000
	StatusSeverityMask      uint32 = 0xC0000000
)

// DataValue info bits. The overflow bit is set on the value adjacent to a
// discarded queue entry.
const (
	StatusInfoTypeDataValue uint32 = 0x00000400
	StatusInfoOverflow      uint32 = 0x00000080
	statusInfoMask          uint32 = 0x000007FF
)

// OPC UA Status Codes used by the engine.
const (
	StatusGood                              StatusCode = 0x00000000
	StatusUncertain                         StatusCode = 0x40000000
	StatusBad                               StatusCode = 0x80000000
	StatusBadUnexpectedError                StatusCode = 0x80010000
	StatusBadInternalError                  StatusCode = 0x80020000
	StatusBadResourceUnavailable            StatusCode = 0x80040000
	StatusBadTimeout                        StatusCode = 0x800A0000
	StatusBadShutdown                       StatusCode = 0x800C0000
	StatusBadNothingToDo                    StatusCode = 0x800F0000
	StatusBadTooManyOperations              StatusCode = 0x80100000
	StatusBadUserAccessDenied               StatusCode = 0x801F0000
	StatusBadIdentityTokenInvalid           StatusCode = 0x80200000
	StatusBadIdentityTokenRejected          StatusCode = 0x80210000
	StatusBadSessionIdInvalid               StatusCode = 0x80250000
	StatusBadSessionClosed                  StatusCode = 0x80260000
	StatusBadSubscriptionIdInvalid          StatusCode = 0x80280000
	StatusBadWaitingForInitialData          StatusCode = 0x80320000
	StatusBadNodeIdInvalid                  StatusCode = 0x80330000
	StatusBadNodeIdUnknown                  StatusCode = 0x80340000
	StatusBadAttributeIdInvalid             StatusCode = 0x80350000
	StatusBadNotReadable                    StatusCode = 0x803A0000
	StatusBadNotWritable                    StatusCode = 0x803B0000
	StatusBadNotSupported                   StatusCode = 0x803D0000
	StatusBadMonitoringModeInvalid          StatusCode = 0x80410000
	StatusBadMonitoredItemIdInvalid         StatusCode = 0x80420000
	StatusBadMonitoredItemFilterUnsupported StatusCode = 0x80440000
	StatusBadFilterNotAllowed               StatusCode = 0x80450000
	StatusBadEventFilterInvalid             StatusCode = 0x80470000
	StatusBadNodeNotInView                  StatusCode = 0x804E0000
	StatusBadTooManySessions                StatusCode = 0x80560000
	StatusBadViewIdUnknown                  StatusCode = 0x806B0000
	StatusBadTooManySubscriptions           StatusCode = 0x80770000
	StatusBadTooManyPublishRequests         StatusCode = 0x80780000
	StatusBadNoSubscription                 StatusCode = 0x80790000
	StatusBadSequenceNumberUnknown          StatusCode = 0x807A0000
	StatusBadMessageNotAvailable            StatusCode = 0x807B0000
	StatusBadConfigurationError             StatusCode = 0x80890000
	StatusBadInvalidState                   StatusCode = 0x80AF0000
	StatusBadTooManyMonitoredItems          StatusCode = 0x80DB0000
)

type statusCodeInfo struct {
	name        string
	description string
}

var statusCodeMap = map[StatusCode]statusCodeInfo{
	StatusGood:                              {"Good", "The operation completed successfully"},
	StatusUncertain:                         {"Uncertain", "The operation completed with uncertain result"},
	StatusBad:                               {"Bad", "The operation failed"},
	StatusBadUnexpectedError:                {"BadUnexpectedError", "An unexpected error occurred"},
	StatusBadInternalError:                  {"BadInternalError", "An internal error occurred"},
	StatusBadResourceUnavailable:            {"BadResourceUnavailable", "An operating system resource is not available"},
	StatusBadTimeout:                        {"BadTimeout", "The operation timed out"},
	StatusBadShutdown:                       {"BadShutdown", "The operation was cancelled because the application is shutting down"},
	StatusBadNothingToDo:                    {"BadNothingToDo", "No processing could be done because there was nothing to do"},
	StatusBadTooManyOperations:              {"BadTooManyOperations", "The request could not be processed because it specified too many operations"},
	StatusBadUserAccessDenied:               {"BadUserAccessDenied", "User access denied"},
	StatusBadIdentityTokenInvalid:           {"BadIdentityTokenInvalid", "The user identity token is not valid"},
	StatusBadIdentityTokenRejected:          {"BadIdentityTokenRejected", "The user identity token is rejected by the server"},
	StatusBadSessionIdInvalid:               {"BadSessionIdInvalid", "The session ID is not valid"},
	StatusBadSessionClosed:                  {"BadSessionClosed", "The session was closed by the client"},
	StatusBadSubscriptionIdInvalid:          {"BadSubscriptionIdInvalid", "The subscription ID is not valid"},
	StatusBadWaitingForInitialData:          {"BadWaitingForInitialData", "Waiting for the server to obtain values from the data source"},
	StatusBadNodeIdInvalid:                  {"BadNodeIdInvalid", "The node ID format is not valid"},
	StatusBadNodeIdUnknown:                  {"BadNodeIdUnknown", "The node ID refers to a node that does not exist"},
	StatusBadAttributeIdInvalid:             {"BadAttributeIdInvalid", "The attribute ID is not valid for this node"},
	StatusBadNotReadable:                    {"BadNotReadable", "The access level does not allow reading the value"},
	StatusBadNotWritable:                    {"BadNotWritable", "The access level does not allow writing the value"},
	StatusBadNotSupported:                   {"BadNotSupported", "The requested operation is not supported"},
	StatusBadMonitoringModeInvalid:          {"BadMonitoringModeInvalid", "The monitoring mode is invalid"},
	StatusBadMonitoredItemIdInvalid:         {"BadMonitoredItemIdInvalid", "The monitored item ID is not valid"},
	StatusBadMonitoredItemFilterUnsupported: {"BadMonitoredItemFilterUnsupported", "The server does not support the requested monitored item filter"},
	StatusBadFilterNotAllowed:               {"BadFilterNotAllowed", "A monitoring filter cannot be used with the attribute specified"},
	StatusBadEventFilterInvalid:             {"BadEventFilterInvalid", "The event filter is not valid"},
	StatusBadNodeNotInView:                  {"BadNodeNotInView", "The node is not part of the view"},
	StatusBadTooManySessions:                {"BadTooManySessions", "The server has reached its maximum number of sessions"},
	StatusBadViewIdUnknown:                  {"BadViewIdUnknown", "The view ID does not refer to a valid view node"},
	StatusBadTooManySubscriptions:           {"BadTooManySubscriptions", "Too many subscriptions"},
	StatusBadTooManyPublishRequests:         {"BadTooManyPublishRequests", "Too many publish requests have been queued"},
	StatusBadNoSubscription:                 {"BadNoSubscription", "There is no subscription available for this session"},
	StatusBadSequenceNumberUnknown:          {"BadSequenceNumberUnknown", "The sequence number is unknown to the server"},
	StatusBadMessageNotAvailable:            {"BadMessageNotAvailable", "The requested notification message is no longer available"},
	StatusBadConfigurationError:             {"BadConfigurationError", "There is a configuration error"},
	StatusBadInvalidState:                   {"BadInvalidState", "The operation cannot be completed because the object is closed or in an invalid state"},
	StatusBadTooManyMonitoredItems:          {"BadTooManyMonitoredItems", "The request could not be processed because there are too many monitored items"},
}

// String returns the string representation of the status code.
func (s StatusCode) String() string {
	if info, ok := statusCodeMap[s.Code()]; ok {
		if s.HasOverflow() {
			return info.name + "+Overflow"
		}
		return info.name
	}
	return fmt.Sprintf("StatusCode(0x%08X)", uint32(s))
}

// Description returns a human-readable description of the status code.
func (s StatusCode) Description() string {
	if info, ok := statusCodeMap[s.Code()]; ok {
		return info.description
	}
	switch {
	case s.IsGood():
		return "The operation completed successfully"
	case s.IsUncertain():
		return "The operation completed with uncertain result"
	case s.IsBad():
		return "The operation failed"
	default:
		return "Unknown status"
	}
}

// Error returns a formatted error string with code, name, and description.
func (s StatusCode) Error() string {
	if info, ok := statusCodeMap[s.Code()]; ok {
		return fmt.Sprintf("%s (0x%08X): %s", info.name, uint32(s), info.description)
	}
	return fmt.Sprintf("StatusCode 0x%08X", uint32(s))
}

// Code returns the status code with the info bits cleared.
func (s StatusCode) Code() StatusCode {
	return StatusCode(uint32(s) &^ statusInfoMask)
}

// WithOverflow returns s with the DataValue overflow info bits set.
func (s StatusCode) WithOverflow() StatusCode {
	return StatusCode(uint32(s) | StatusInfoTypeDataValue | StatusInfoOverflow)
}

// HasOverflow reports whether the DataValue overflow info bit is set.
func (s StatusCode) HasOverflow() bool {
	return uint32(s)&(StatusInfoTypeDataValue|StatusInfoOverflow) == StatusInfoTypeDataValue|StatusInfoOverflow
}

// IsGood returns true if the status code indicates success.
func (s StatusCode) IsGood() bool {
	return (uint32(s) & StatusSeverityMask) == StatusSeverityGood
}

// IsUncertain returns true if the status code indicates uncertainty.
func (s StatusCode) IsUncertain() bool {
	return (uint32(s) & StatusSeverityMask) == StatusSeverityUncertain
}

// IsBad returns true if the status code indicates failure.
func (s StatusCode) IsBad() bool {
	return (uint32(s) & StatusSeverityMask) == StatusSeverityBad
}

// OPCUAError represents an OPC UA service error.
type OPCUAError struct {
	ServiceID  ServiceID
	StatusCode StatusCode
	Message    string
}

// Error implements the error interface.
func (e *OPCUAError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("opcua: %s (%s): %s", e.StatusCode, e.ServiceID, e.Message)
	}
	return fmt.Sprintf("opcua: %s (%s)", e.StatusCode, e.ServiceID)
}

// Is checks if the error matches the target.
func (e *OPCUAError) Is(target error) bool {
	t, ok := target.(*OPCUAError)
	if !ok {
		return false
	}
	return e.StatusCode == t.StatusCode
}

// Error kinds raised by the engine.
var (
	// ErrNodeNotFound indicates a node identifier did not resolve.
	ErrNodeNotFound = errors.New("opcua: node not found")

	// ErrPermissionDenied indicates a role-permission check failed.
	ErrPermissionDenied = errors.New("opcua: permission denied")

	// ErrInvalidState indicates an operation against an expired subscription
	// or a detached monitored item.
	ErrInvalidState = errors.New("opcua: invalid state")

	// ErrSubscriptionExpired indicates the subscription reached its terminal state.
	ErrSubscriptionExpired = fmt.Errorf("%w: subscription expired", ErrInvalidState)

	// ErrItemDetached indicates the monitored item was removed from its node.
	ErrItemDetached = fmt.Errorf("%w: monitored item detached", ErrInvalidState)

	// ErrResourceExhausted indicates a queue overflow. It is only ever
	// reported to audit sinks, never returned to callers.
	ErrResourceExhausted = errors.New("opcua: resource exhausted")

	// ErrFatalConfiguration indicates a node manager could not be constructed.
	ErrFatalConfiguration = errors.New("opcua: fatal configuration error")

	// ErrInvalidNodeID indicates an invalid NodeID was specified.
	ErrInvalidNodeID = errors.New("opcua: invalid node ID")

	// ErrSubscriptionNotFound indicates the subscription was not found.
	ErrSubscriptionNotFound = errors.New("opcua: subscription not found")

	// ErrMonitoredItemNotFound indicates the monitored item was not found.
	ErrMonitoredItemNotFound = errors.New("opcua: monitored item not found")

	// ErrSessionNotFound indicates the session was not found.
	ErrSessionNotFound = errors.New("opcua: session not found")

	// ErrTooManyPublishRequests indicates a publish request is already parked.
	ErrTooManyPublishRequests = errors.New("opcua: too many publish requests")
)

// NewOPCUAError creates a new OPC UA error.
func NewOPCUAError(svc ServiceID, sc StatusCode, msg string) *OPCUAError {
	return &OPCUAError{
		ServiceID:  svc,
		StatusCode: sc,
		Message:    msg,
	}
}

// StatusOf maps an error to the status code reported for a batched item.
// A nil error maps to StatusGood.
func StatusOf(err error) StatusCode {
	if err == nil {
		return StatusGood
	}
	var opcuaErr *OPCUAError
	if errors.As(err, &opcuaErr) {
		return opcuaErr.StatusCode
	}
	var sc StatusCode
	if errors.As(err, &sc) {
		return sc
	}
	switch {
	case errors.Is(err, ErrNodeNotFound):
		return StatusBadNodeIdUnknown
	case errors.Is(err, ErrInvalidNodeID):
		return StatusBadNodeIdInvalid
	case errors.Is(err, ErrPermissionDenied):
		return StatusBadUserAccessDenied
	case errors.Is(err, ErrSubscriptionNotFound):
		return StatusBadSubscriptionIdInvalid
	case errors.Is(err, ErrMonitoredItemNotFound):
		return StatusBadMonitoredItemIdInvalid
	case errors.Is(err, ErrSessionNotFound):
		return StatusBadSessionIdInvalid
	case errors.Is(err, ErrTooManyPublishRequests):
		return StatusBadTooManyPublishRequests
	case errors.Is(err, ErrInvalidState):
		return StatusBadInvalidState
	case errors.Is(err, ErrResourceExhausted):
		return StatusBadResourceUnavailable
	case errors.Is(err, ErrFatalConfiguration):
		return StatusBadConfigurationError
	case errors.Is(err, context.DeadlineExceeded):
		return StatusBadTimeout
	case errors.Is(err, context.Canceled):
		return StatusBadShutdown
	}
	return StatusBadInternalError
}

// IsStatusCode checks if an error has a specific status code.
func IsStatusCode(err error, code StatusCode) bool {
	var opcuaErr *OPCUAError
	if errors.As(err, &opcuaErr) {
		return opcuaErr.StatusCode == code
	}
	return false
}

// IsNotFound checks if the error indicates an unknown node.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNodeNotFound) || IsStatusCode(err, StatusBadNodeIdUnknown)
}

// IsPermissionDenied checks if the error indicates a failed role-permission check.
func IsPermissionDenied(err error) bool {
	return errors.Is(err, ErrPermissionDenied) || IsStatusCode(err, StatusBadUserAccessDenied)
}

// IsInvalidState checks if the error indicates an expired subscription or a
// detached item.
func IsInvalidState(err error) bool {
	return errors.Is(err, ErrInvalidState) || IsStatusCode(err, StatusBadInvalidState)
}
