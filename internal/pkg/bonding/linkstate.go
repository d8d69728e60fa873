// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package bonding

// LinkStatus is the per-slave link state machine input.
type LinkStatus struct {
	Link  LinkState
	Delay int
}

// Inspection is the result of inspecting a slave.
//
// Link and Delay are the new intermediate state (Back/Fail debounce),
// Pending is the transition to be applied on commit.
type Inspection struct {
	Link    LinkState
	Delay   int
	Pending PendingLink
}

// Changed returns true if the inspection needs to be written back.
func (in Inspection) Changed(current LinkStatus) bool {
	return in.Pending != NoChange || in.Link != current.Link || in.Delay != current.Delay
}

// Debounce is the up/down debounce configuration in monitor ticks.
type Debounce struct {
	UpDelay   int
	DownDelay int
}

// Inspect runs one step of the link state machine for the raw link status `up`.
//
// If ignoreUpDelay is set, a recovering link is committed up without waiting for the up delay.
func Inspect(current LinkStatus, up bool, debounce Debounce, ignoreUpDelay bool) Inspection {
	in := Inspection{Link: current.Link, Delay: current.Delay}

	switch current.Link {
	case LinkUp:
		if up {
			return in
		}

		in.Link = LinkFail
		in.Delay = debounce.DownDelay

		if in.Delay <= 0 {
			in.Delay = 0
			in.Pending = PendingDown
		}
	case LinkFail:
		if up {
			// recovered before the down delay expired
			in.Link = LinkUp
			in.Delay = 0

			return in
		}

		in.Delay = max(in.Delay-1, 0)

		if in.Delay == 0 {
			in.Pending = PendingDown
		}
	case LinkDown:
		if !up {
			return in
		}

		in.Link = LinkBack
		in.Delay = debounce.UpDelay

		if ignoreUpDelay || in.Delay <= 0 {
			in.Delay = 0
			in.Pending = PendingUp
		}
	case LinkBack:
		if !up {
			in.Link = LinkDown
			in.Delay = 0

			return in
		}

		if ignoreUpDelay {
			in.Delay = 0
		} else {
			in.Delay = max(in.Delay-1, 0)
		}

		if in.Delay == 0 {
			in.Pending = PendingUp
		}
	}

	return in
}
