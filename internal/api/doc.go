// Package api provides the HMRC connector REST API.
package api
