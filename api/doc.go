/*
Package api holds configuration and wire constants shared by the relay HTTP
server and its clients.

The relay surface itself lives in the relayhandler subpackage:

  - relayhandler.Handler registers the routes on a chi router
  - relayhandler.Client is the typed client used by devices and by relayctl

The JSON message envelope exchanged on /message is interfaces.Message and is the
only payload whose encoding must stay bit-exact, since engine code on other
devices parses it.
*/
package api
