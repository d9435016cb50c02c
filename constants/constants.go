/*
   Harrier - Fleet Forensics
   Copyright (C) 2026 Harrier Project.

   This program is free software: you can redistribute it and/or modify
   it under the terms of the GNU Affero General Public License as published
   by the Free Software Foundation, either version 3 of the License, or
   (at your option) any later version.

   This program is distributed in the hope that it will be useful,
   but WITHOUT ANY WARRANTY; without even the implied warranty of
   MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
   GNU Affero General Public License for more details.

   You should have received a copy of the GNU Affero General Public License
   along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/
package constants

const (
	VERSION = "0.1.0"

	FLOW_PREFIX = "F."
	HUNT_PREFIX = "H."

	// Well known flows are always present and have no per-session
	// state. Their session ids use the W. prefix so the router can
	// recognize them without a datastore hit.
	FOREMAN_WELL_KNOWN_FLOW = "W.Foreman"

	// Queues used by the journal service.
	HUNT_PARTICIPATION_QUEUE = "System.Hunt.Participation"
	FLOW_COMPLETION_QUEUE    = "System.Flow.Completion"
	HUNT_RESULTS_QUEUE       = "System.Hunt.Results"
	AUDIT_QUEUE              = "System.Audit"

	// The foreman rule set lives at a fixed location.
	FOREMAN_URN = "/foreman"

	// Hunts may not set a client limit above this. Checking the
	// limit requires the foreman to read the hunt's client count on
	// every check-in, which does not scale beyond this.
	MAX_HUNT_CLIENT_LIMIT = 1000
)
