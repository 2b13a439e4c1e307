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

/*
Package client provides a typed HTTP client for the rolloutd API.

CLI commands use it to start deploy and destroy runs, inspect and control
runs, fetch dependency graphs, and follow job logs.

# Basic Usage

	c, err := client.New(client.WithBaseURL("http://127.0.0.1:8420"))
	if err != nil {
	    log.Fatal(err)
	}

	run, err := c.Deploy(ctx, "shop", client.StartRequest{Apps: []string{"web-*"}})

	runs, err := c.ListRuns(ctx, "shop", client.ListRunsRequest{Limit: 10})

# Credentials

Bearer tokens come from, in order, an explicit token (the --token flag or
ROLLOUT_TOKEN) and the OS keyring entry for the server written by
`rollout login`. FromConfig applies this resolution.

# Logs

Relay returns a logrelay.Relay bound to the same server and credentials.
It reconnects after a fixed back-off and stops at the job's done event.

# Errors

Non-2xx responses are returned as *APIError, which implements
errors.ErrorClassifier. Connection failures are *errors.TransportError.
*/
package client
