// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package connector

import (
	_ "embed"
	"fmt"
	"strings"
)

//go:embed version.txt
var versionTxt string

// Version is the connector library's own version, read from version.txt at
// build time so a release only has to update one file.
var Version = strings.TrimSpace(versionTxt)

var defaultUserAgent = fmt.Sprintf("nimbussql-connector/%s", Version)
