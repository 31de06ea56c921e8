// Command relayctl is an operator and debugging client for the TSS relay.
//
// It can create session credentials, send and receive encrypted messages as a
// given party, manage session participants, host the relay for a session on this
// device and inspect encrypted vault backups.
//
//	relayctl new-session
//	relayctl send --session=$S --key=$K --from=dev-1 --to=dev-2 "hello"
//	relayctl recv --session=$S --key=$K --party=dev-2
//	relayctl host --session-name=keygen-1 --listen-addr=0.0.0.0:18080
//	relayctl vault show --storage=file:///var/lib/tss --passphrase=... --vault=02ab...
package main
