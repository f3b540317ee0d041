// ABOUTME: Error taxonomy for tool and resource dispatch
// ABOUTME: Sentinels distinguish not-found, bad reply shapes, and generic invocation failures

package dispatch

import "errors"

// ErrToolNotFound indicates the requested tool is not in the catalog.
var ErrToolNotFound = errors.New("tool not found")

// ErrResourceNotFound indicates the requested resource is not in the catalog.
var ErrResourceNotFound = errors.New("resource not found")

// ErrServiceNotFound indicates no live instance provides the required service.
var ErrServiceNotFound = errors.New("no host registered for service")

// ErrInvalidResponseType indicates a capability replied with no payload or a
// payload of an unsupported shape.
var ErrInvalidResponseType = errors.New("invalid response type")

// ErrNonConvertableResponse indicates a reply payload could not be converted
// to text.
var ErrNonConvertableResponse = errors.New("non-convertible response")

// ErrInvocation wraps any other failure while calling a capability.
var ErrInvocation = errors.New("invocation failed")

// ErrProvisioning indicates configuration or secrets could not be delivered.
var ErrProvisioning = errors.New("provisioning failed")

// ErrInvalidReference indicates a tool or resource definition is incomplete.
var ErrInvalidReference = errors.New("invalid catalog entry")
