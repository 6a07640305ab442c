package model

import "github.com/pkg/errors"

var errInvalidContainerSource = errors.New("container must set exactly one of base_id or service_slug")
