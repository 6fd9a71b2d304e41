/*
 * Copyright 2025 Carver Automation Corporation.
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
 */

package health

import "github.com/carverauto/fleetmesh/pkg/models"

// nextOnSuccess returns the single state-machine step taken after a
// successful liveness signal (probe or heartbeat). A peer never jumps
// straight from discovered to healthy: the first success verifies it,
// the next one promotes it.
func nextOnSuccess(current models.PeerStatus) models.PeerStatus {
	switch current {
	case models.StatusDiscovered, models.StatusRegistered:
		return models.StatusVerified
	case models.StatusVerified, models.StatusUnhealthy, models.StatusUnreachable:
		return models.StatusHealthy
	case models.StatusHealthy:
		return models.StatusHealthy
	default:
		return current
	}
}

// nextOnFailure returns the step taken after a failed probe.
// consecutiveFails counts this failure; crossing the threshold demotes
// to unreachable.
func nextOnFailure(current models.PeerStatus, consecutiveFails, threshold int) models.PeerStatus {
	switch current {
	case models.StatusHealthy, models.StatusVerified:
		return models.StatusUnhealthy
	case models.StatusUnhealthy, models.StatusDiscovered, models.StatusRegistered:
		if consecutiveFails >= threshold {
			return models.StatusUnreachable
		}

		return current
	case models.StatusUnreachable:
		return models.StatusUnreachable
	default:
		return current
	}
}
