// Copyright 2025 Tom Barlow
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

package api

import (
	"net/http"

	"github.com/lightci/lightci/internal/daemon/httputil"
	"github.com/lightci/lightci/pkg/errors"
)

// writeStoreError maps domain errors onto HTTP statuses: validation
// failures are the caller's fault, missing resources are 404,
// anything else is a 500.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.IsNotFound(err):
		httputil.WriteError(w, http.StatusNotFound, err.Error())
	case isValidation(err):
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
	default:
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
	}
}

func isValidation(err error) bool {
	var validation *errors.ValidationError
	return errors.As(err, &validation)
}
