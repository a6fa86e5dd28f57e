// Copyright 2025 The packetd Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

const (
	// App is the metrics/logging namespace shared by both endpoints.
	App = "akari"

	// Version is the application version string.
	Version = "v0.1.0"

	// MagicBytes opens every AKARI-UDP datagram.
	MagicBytes = "AK"

	// DefaultMTUBudget is the working per-datagram size target used when a
	// deployment does not override it, chosen to avoid IP fragmentation on
	// typical tunnel paths.
	DefaultMTUBudget = 1280
)
