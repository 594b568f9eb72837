// Package sim provides an in-memory [hal.Phy] with a host-side driver API.
//
// The simulator stands in for real USB hardware in tests and examples. Its
// engine-facing half implements hal.Phy; its host-facing half lets a test
// act as the host controller, delivering SETUP packets, OUT data, and
// status handshakes and collecting IN data, with bus-level controls for
// power, reset, suspend, and frames.
//
// Host-side calls deliver their event synchronously: by the time SendSetup
// returns, the engine (and any subclass callback it invoked) has fully
// processed the packet. Tests drive entire control transfers as plain
// sequential code.
package sim
