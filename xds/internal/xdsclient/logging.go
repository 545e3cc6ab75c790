/*
 *
 * Copyright 2020 gRPC authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

package xdsclient

import (
	"fmt"

	"github.com/ajith-anz/grpc-go/internal/grpclog"
)

const prefix = "[xds-client %p] "

var logger = grpclog.Component("xds")

func prefixLogger(p *clientImpl) *grpclog.PrefixLogger {
	return grpclog.NewPrefixLogger(logger, fmt.Sprintf(prefix, p))
}

// clientPrefix returns the logging prefix for c, used as a base for the
// per-authority and per-channel prefixes derived from it.
func clientPrefix(c *clientImpl) string {
	return fmt.Sprintf(prefix, c)
}
