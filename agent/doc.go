// Copyright 2024 Orchestra Authors. All rights reserved.
// Use of this source code is governed by a MIT license that can be
// found in the LICENSE file.

/*
Package agent defines the boundary between the orchestrator and the
executors that perform individual steps.

# Overview

An Agent receives a Request (the rendered intent of one step) and returns a
tagged Output: either Success(value), whose value is written to the run
context, or RequiresApproval(message, payload), which pauses the run for a
human decision.

# Errors

Failures are reported with the constructors in this package so they can be
classified for retry:

  - ParseError : output could not be interpreted; never retried
  - ProcessError : service failure with status code, retryable flag and
    optional server retry-after
  - RateLimitError : ProcessError with status 429
  - IOError : transport failure; always retryable
  - ExecutionError : final execution failure

# Registry

Registry maps assigned_agent names to implementations. Each agent can be
guarded with a token-bucket rate limiter (golang.org/x/time/rate) and a
circuit breaker that rejects calls after repeated failures.
*/
package agent
