package codec

// DirectoryABI is the interface of the directory registry contract.
const DirectoryABI = `[
  {
    "type": "function",
    "name": "register",
    "inputs": [
      { "name": "userTypeIsProvider", "type": "bool", "internalType": "bool" },
      { "name": "userID", "type": "string", "internalType": "string" },
      { "name": "userAddress", "type": "address", "internalType": "address" }
    ],
    "outputs": [],
    "stateMutability": "nonpayable"
  },
  {
    "type": "function",
    "name": "createDataEntry",
    "inputs": [
      { "name": "dataKey", "type": "string", "internalType": "string" },
      { "name": "dataSummary", "type": "string", "internalType": "string" },
      { "name": "dataOfferPrice", "type": "uint256", "internalType": "uint256" },
      { "name": "dataEntryDueDate", "type": "uint256", "internalType": "uint256" },
      { "name": "dataEntryCreationDate", "type": "uint256", "internalType": "uint256" }
    ],
    "outputs": [],
    "stateMutability": "nonpayable"
  },
  {
    "type": "function",
    "name": "deleteDataEntry",
    "inputs": [
      { "name": "dataKey", "type": "string", "internalType": "string" }
    ],
    "outputs": [],
    "stateMutability": "nonpayable"
  },
  {
    "type": "function",
    "name": "deployEAS",
    "inputs": [
      { "name": "consumerAddress", "type": "address", "internalType": "address" },
      { "name": "EASDeploymentDate", "type": "uint256", "internalType": "uint256" },
      { "name": "EASExpirationDate", "type": "uint256", "internalType": "uint256" },
      { "name": "dataKey", "type": "string", "internalType": "string" },
      { "name": "acknowledgement", "type": "string", "internalType": "string" }
    ],
    "outputs": [],
    "stateMutability": "nonpayable"
  },
  {
    "type": "function",
    "name": "invokeEAS",
    "inputs": [
      { "name": "dataKey", "type": "string", "internalType": "string" },
      { "name": "invocationRecord", "type": "string", "internalType": "string" }
    ],
    "outputs": [],
    "stateMutability": "nonpayable"
  },
  {
    "type": "function",
    "name": "revokeEASbyProvider",
    "inputs": [
      { "name": "dataKey", "type": "string", "internalType": "string" },
      { "name": "consumerAddress", "type": "address", "internalType": "address" }
    ],
    "outputs": [],
    "stateMutability": "nonpayable"
  },
  {
    "type": "function",
    "name": "revokeEASbyConsumer",
    "inputs": [
      { "name": "dataKey", "type": "string", "internalType": "string" }
    ],
    "outputs": [],
    "stateMutability": "nonpayable"
  },
  {
    "type": "function",
    "name": "getEASIndex",
    "inputs": [
      { "name": "dataKey", "type": "string", "internalType": "string" },
      { "name": "consumerAddress", "type": "address", "internalType": "address" }
    ],
    "outputs": [
      { "name": "", "type": "uint256", "internalType": "uint256" }
    ],
    "stateMutability": "view"
  },
  {
    "type": "function",
    "name": "getDataEntryEASAddress",
    "inputs": [
      { "name": "dataKey", "type": "string", "internalType": "string" },
      { "name": "index", "type": "uint256", "internalType": "uint256" }
    ],
    "outputs": [
      { "name": "", "type": "address", "internalType": "address" }
    ],
    "stateMutability": "view"
  }
]`
