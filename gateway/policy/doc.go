// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

/*
Package policy holds the gateway's routing catalogue: named policies, each
declaring the backends it may route to and, optionally, how classification
picks among them.

A policy takes one of three shapes:

  - Classifier policy: an external classification service returns a label;
    the request routes to the backends whose effective label matches.
  - Agentic policy: an agent model is asked to pick a backend identifier
    from the enumerated pool.
  - Plain pool: neither classifier nor agent; every backend is a candidate
    and the load balancer alone decides.

The catalogue is loaded once at startup, validated, and never mutated, so the
Registry is lock-free. Labels a classifier can return must resolve to at
least one backend; requests with unresolvable labels fall back to the
policy's default/Unknown/Other label when one is enumerated.
*/
package policy
