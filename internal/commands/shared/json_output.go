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

package shared

import (
	"encoding/json"
	"io"
	"os"
)

// envelopeVersion is the "@version" of every JSON document the CLI emits.
const envelopeVersion = "1.0"

// jsonOut is where EmitJSON* write; tests swap it.
var jsonOut io.Writer = os.Stdout

// JSONResponse is the envelope header shared by all --json output.
type JSONResponse struct {
	Version string `json:"@version"`
	Command string `json:"command"`
	Success bool   `json:"success"`
}

// JSONError is one entry of a failed envelope's errors list.
type JSONError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`
}

type resultEnvelope struct {
	JSONResponse
	Result any `json:"result"`
}

type errorEnvelope struct {
	JSONResponse
	Errors []JSONError `json:"errors"`
}

func header(command string, ok bool) JSONResponse {
	return JSONResponse{Version: envelopeVersion, Command: command, Success: ok}
}

// WriteJSON writes v to w as indented JSON followed by a newline.
func WriteJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// EmitJSON writes an already built document to stdout.
func EmitJSON(v any) error {
	return WriteJSON(jsonOut, v)
}

// EmitJSONResult writes a successful envelope carrying result.
func EmitJSONResult(command string, result any) error {
	return EmitJSON(resultEnvelope{JSONResponse: header(command, true), Result: result})
}

// EmitJSONError writes a failed envelope listing errs.
func EmitJSONError(command string, errs []JSONError) error {
	return EmitJSON(errorEnvelope{JSONResponse: header(command, false), Errors: errs})
}
