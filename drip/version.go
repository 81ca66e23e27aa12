package drip

// Version of the client. Set during build.
var Version = "0.0.0"
